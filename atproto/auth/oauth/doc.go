/*
Package oauth implements the login side of atproto OAuth, for a confidential web client.

Feature set includes:

- client metadata document and public JWKS, derived from a single P-256 signing key
- per-account authorization server discovery (handle, DID, PDS, protected resource, auth server)
- PKCE and single-use flow state, persisted in a [FlowStore]
- private_key_jwt client assertions and DPoP proofs (with server nonce handshake) for the token request
- best-effort enrichment of the resulting identity with the public profile and the PDS session (email)

This package does not persist tokens or refresh sessions. It produces an [AccountIdentity] for an account-linking collaborator ([AccountLinker]) and stops there.

# Quickstart

Create a single [ClientApp] instance during service setup that will be used (concurrently) across all users:

	priv, err := oauth.ParsePrivateKey(pemBytes)
	if err != nil {
		return err
	}
	config, err := oauth.NewClientConfig("https://app.example.com", "Example", "", priv)
	if err != nil {
		return err
	}

	resolver := identity.NewCacheResolver(identity.DefaultBaseResolver("", 5*time.Second, 1), 10_000, time.Hour, time.Minute)
	app := oauth.NewClientApp(config, resolver, oauth.NewMemFlowStore(10*time.Minute), robusthttp.NewDirectClient())

The login flow starts with a handle. [ClientApp.StartAuthFlow] resolves and discovers the account's authorization server, saves a [FlowState] keyed by the browser session, and returns the URL to redirect the user to:

	redirectURL, err := app.StartAuthFlow(ctx, sessionID, r.FormValue("handle"))

The callback request is handed to [ClientApp.ProcessCallback], which consumes the flow state (so callbacks can not be replayed), exchanges the code, and returns an enriched [AccountIdentity]. Errors are [*FlowError] values carrying a machine-readable reason code.
*/
package oauth
