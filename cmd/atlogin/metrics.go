package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loginRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_login_requests_total",
	Help: "Login start requests, by result (form, redirect, failure)",
}, []string{"result"})

var callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_callbacks_total",
	Help: "OAuth callback requests, by result",
}, []string{"result"})

var accountLinks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atlogin_account_links_total",
	Help: "Account linking outcomes (created, email, existing, unlinked, error)",
}, []string{"outcome"})
