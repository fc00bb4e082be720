/*
Package identity resolves atproto handles to DIDs, and DIDs to DID documents.

The [Resolver] interface is implemented by [BaseResolver] (direct network resolution), and can be wrapped by [CacheResolver] (in-process) or [RedisResolver] (shared) for caching, somewhat like HTTP middleware. [MockResolver] is an in-memory fake for tests.
*/
package identity
