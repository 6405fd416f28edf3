// Package command holds the operator commands applied during a reroute.
//
// A command runs against the same allocation context and decider chain as
// automatic allocation. In explain mode a rejected command returns its NO
// decision as data so callers can show why nothing happened.
package command
