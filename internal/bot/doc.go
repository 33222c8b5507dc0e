// Package bot wires the chat handlers onto the gateway's event streams.
//
// Each feature is one subscription: group history recording, mention and
// private chat through the streaming chat backend, image generation
// (-bnn), local diffusion (-sd), magnet downloads and torrent listing
// (-btlist), and a heartbeat monitor. Vendor services are reached through
// the small interfaces in vendors.go; a feature whose collaborator is nil
// is not registered.
package bot
