// Package sim is the reference simulation worker.
//
// Server speaks the gymctl wire protocol to one client at a time and keeps
// the worker-side mode machine:
//
//	control --reset-episode--> episode --terminate-episode--> closing
//	closing --terminate-episode--> control
//
// The closing step acknowledges with mode "episode" so clients learn to
// repeat terminate-episode until they see a control acknowledgement.
// Episodes are produced by an Engine; MarketEngine is a synthetic trading
// engine with a geometric random-walk price series.
package sim
