// Package correlator sends trade commands and ties results back to them.
//
// Every outbound command gets a process-unique correlation id. Sending is
// fire-and-forget: the id comes back immediately and the TRADE_RESULT arrives
// later through the router. Tracker matches results to pending ids on a best
// effort basis.
package correlator
