// Package clamd provides a pooled Go client for the ClamAV daemon (clamd)
// wire protocol.
//
// Content is streamed to the daemon with the INSTREAM command: a 4-byte
// big-endian length prefix per chunk of at most 4096 bytes, followed by a
// zero-length terminator. The reply is mapped to a Verdict, failing closed:
// any reply that is not recognized as clean or size-exceeded is Infected.
//
// NewClient eagerly opens the connection pool and fails if the daemon cannot
// be reached at all. The client never retries, and scans are only bounded by
// the caller's context.
//
// # Quick Start
//
//	client, err := clamd.NewClient(ctx, "localhost", 3310)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	verdict, err := client.Scan(ctx, data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	switch v := verdict.(type) {
//	case clamd.Clean:
//	    fmt.Println("clean")
//	case clamd.Infected:
//	    fmt.Println("infected:", v.Signature())
//	case clamd.SizeExceeded:
//	    fmt.Println("too large:", v.Raw)
//	default:
//	    log.Fatalf("unhandled verdict %v", v)
//	}
package clamd
