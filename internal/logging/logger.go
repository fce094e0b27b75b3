package logging

import (
	"log"
	"os"
)

var (
	B2        = log.New(os.Stdout, "[b2] ", log.LstdFlags)
	Alby      = log.New(os.Stdout, "[alby] ", log.LstdFlags)
	Lightning = log.New(os.Stdout, "[lightning] ", log.LstdFlags)
	Payments  = log.New(os.Stdout, "[payments] ", log.LstdFlags)
	Ledger    = log.New(os.Stdout, "[ledger] ", log.LstdFlags)
	Archive   = log.New(os.Stdout, "[archive] ", log.LstdFlags)
	Internal  = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP      = log.New(os.Stdout, "[http] ", log.LstdFlags)
)

// Short truncates an identifier such as a payment hash for log lines.
func Short(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
