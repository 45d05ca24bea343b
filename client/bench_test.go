package client

import (
	"context"
	"testing"

	"peerwire/codec"
	"peerwire/server"
)

func setupClient(b *testing.B) *Client {
	addr, _ := startArith(b, server.Options{})
	cli := New(Options{})
	b.Cleanup(func() { cli.Close() })
	cli.AddPeer("Arith", addr)
	return cli
}

// one goroutine, calls back to back
func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b)
	args := &Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", args); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines sharing one multiplexed connection
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupClient(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkCodecJSON(b *testing.B) {
	cdc := codec.JSON{}
	args := &Args{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(args)
		var out Args
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecRaw(b *testing.B) {
	cdc := codec.Raw{}
	headers := map[string]string{"cn": "bench", "as": "raw"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(headers)
		var out map[string]string
		cdc.Decode(data, &out)
	}
}
