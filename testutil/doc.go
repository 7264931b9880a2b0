/*
Package testutil provides fixtures for macnet tests.

# Configuration Generators

	// Defaults: k=2, p=1, 2ms slots
	cfg := testutil.NewTestConfig()

	cfg = testutil.NewTestConfig(
	    testutil.WithChunkSize(5),
	    testutil.WithPacketSize(2),
	)

# Corpus Generators

	corpus := testutil.ScenarioCorpus()       // a,b,a,c
	corpus = testutil.GenerateCorpus(100, 7)  // 100 tokens, 7 distinct

# Network Helpers

Listen opens a loopback listener and DialLines drives the line protocol by
hand:

	ln := testutil.Listen(t)
	go srv.Serve(ctx, ln)

	conn := testutil.DialLines(t, ln.Addr().String())
	conn.Send(t, "0")
	conn.Expect(t, "a")

This package is intended for testing purposes only and should not be used in
production code.
*/
package testutil
