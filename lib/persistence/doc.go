// Package persistence provides the local persistence service of tKV.
//
// Every store gets a persistence space, a directory below the service root
// named after the store alias. Inside its space a store creates one context
// per tier that needs files (the authoritative tier uses the "store" context).
// All file access goes through an afero.Fs, so the whole hierarchy can live
// in memory for tests.
//
//	<root>/
//	  alias-0/            volatile space, removed when the store is released
//	    store/            context of the authoritative tier
//	      journal.log
//	  sessions/           persistent space
//	    .persistent
//	    store/
//	      snapshot.tkv
package persistence
