// Package logging adapts the teacher's log.InitLogger (a per-user temp-file
// zerolog console writer) to the daemon/control-client split this project
// needs: one log file per component name and user (the instance id is not
// part of the file name), reusing the teacher's field-name and writer choices.
package logging

import (
	"fmt"
	stdLog "log"
	"os"
	"os/user"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultFileMode os.FileMode = 0600

// Init opens (or creates) a per-user, per-component log file under the OS
// temp dir and routes both the standard log package and zerolog's global
// logger to it, matching the teacher's t/l/m field renaming so existing
// tooling built against that format keeps working.
func Init(component string, debug bool) (*os.File, error) {
	usr, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("logging: current user: %w", err)
	}
	fileName := filepath.Join(os.TempDir(), fmt.Sprintf("keymapper-%s-%s.log", component, usr.Username))
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", fileName, err)
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimestampFieldName = "t"
	zerolog.LevelFieldName = "l"
	zerolog.MessageFieldName = "m"

	writer := zerolog.ConsoleWriter{Out: file, NoColor: true}
	log.Logger = log.Output(writer).With().Str("component", component).Logger()

	stdLog.SetFlags(stdLog.Lshortfile)
	stdLog.SetOutput(writer)
	stdLog.Printf("logger file init: %s", fileName)

	return file, nil
}
