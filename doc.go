// Package metabase is a client for the Metabase REST API that keeps working
// when the network or the session does not:
//
//   - One session per client, refreshed at most once when the origin rejects
//     it, no matter how many requests notice the expiry together
//   - Retries with exponential or decorrelated backoff and jitter, driven by
//     a classifier that never replays a write whose outcome is unknown
//   - An LRU response cache with per entry TTL, invalidated by writes, backed
//     by memory or Redis
//   - Prometheus metrics and structured debug logging with secret redaction
//
// Typical usage:
//
//	client, err := metabase.New("https://metabase.example.com",
//	    metabase.WithMaxAttempts(4),
//	    metabase.WithCache(500, 10*time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	cred := metabase.NewEmailPassword("me@example.com", password)
//	if _, err := client.Authenticate(ctx, cred); err != nil {
//	    return err
//	}
//	raw, err := client.GetCard(ctx, 42)
//
// Every failure is a *ClientError. Match it with errors.Is against
// ErrTransient, ErrPermanent, ErrAuthFailure, ErrUnauthenticated or
// ErrAmbiguousWrite.
package metabase
