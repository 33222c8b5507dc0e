// Package events builds typed, filtered views over the gateway's event feed
// and binds handlers to them.
//
// Views are immutable: every filter returns a new view and leaves its parent
// untouched, so a base stream can be shared between handlers. Subscribe
// attaches a handler to a view and delivers matching events, one at a time
// and in arrival order, on the executor it is given.
package events
