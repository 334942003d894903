// Package logging provides the process-wide structured logger for recstore.
//
// The package wraps [log/slog] and keeps a single global logger that is
// configured once and retrieved with GetLogger. Engine components never build
// their own slog.Logger; they derive children from this one so level and
// destination are controlled from one place.
//
// # Initialisation
//
// Call Init once at program startup, normally with the logging section of
// the engine configuration:
//
//	if err := logging.Init(logging.Config{Level: logging.LevelDebug, OutputPath: "recstore.log"}); err != nil {
//	    log.Fatal(err)
//	}
//
// If GetLogger is called before Init, a default stderr logger is created
// lazily. Tests that want silence call logging.Init with Output set to
// io.Discard.
//
// # Context helpers
//
// Helpers return child loggers carrying the engine's identifiers:
//
//	log := logging.WithTx(tid)        // adds tx_id
//	log := logging.WithPage(pageNo)   // adds page
//	log := logging.WithRecord(rid)    // adds record
//	log := logging.WithComponent("wal")
package logging
