// Package engine is the client for the generation backend.
//
// # Overview
//
// The engine speaks the Ollama HTTP API: POST /api/chat with stream=true
// yields newline-delimited JSON chunks, each carrying a piece of
// assistant text, until a chunk with done=true; GET /api/tags lists the
// available models.
//
// # Streams
//
//	frags, err := client.Open(ctx, model, history)
//	for {
//	    frag, err := frags.Recv()
//	    if err == io.EOF { break }       // engine completed
//	    if err != nil { ... }            // engine failed
//	    ...
//	}
//
// Recv returns fragments in generation order. Close abandons the stream
// mid-flight by closing the underlying connection; it is idempotent and
// unblocks a Recv waiting on the network. Cancelling the ctx passed to
// Open has the same effect.
//
// Engine failures are wrapped with ErrEngine; check with errors.Is.
package engine
