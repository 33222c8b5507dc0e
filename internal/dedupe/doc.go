// Package dedupe drops message events the gateway delivers more than once
// within a configurable window.
package dedupe
