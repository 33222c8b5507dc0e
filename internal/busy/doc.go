// Package busy provides a busy-state guard for backends that can only serve
// one request at a time, such as a local diffusion model.
//
//	var sd busy.Latch
//
//	if !sd.Do(func() { draw(prompt) }) {
//	    reply("busy, try again later")
//	}
package busy
