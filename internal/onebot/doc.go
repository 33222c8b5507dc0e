// Package onebot speaks the OneBot v11 websocket protocol to a chat gateway.
//
// A Conn reads frames, classifies each into exactly one Event variant and
// fans it out to attached listeners. Events carry a handle back to the
// connection so handlers can reply or look up quoted messages. Outbound
// messages are built from ordered Segments.
package onebot
