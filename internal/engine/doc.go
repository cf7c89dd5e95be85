// Package engine supervises the background computation kernel. It correlates
// asynchronous requests with their responses, enforces per-request response
// deadlines with a single earliest-deadline watchdog, fans unsolicited
// progress out to subscribers, and transparently replaces a hung or crashed
// unit, restoring the last loaded snapshot on the replacement. Startup is
// gated on an exact protocol contract version match.
package engine
