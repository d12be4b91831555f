package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a new voice, quality or instruction. They apply
	// to the next connect without a restart.
	SessionChanged bool

	// RestartRequired lists sections whose changes only take effect after a
	// restart (server address, transport, device, session tuning, discord,
	// resilience).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	oldSess, newSess := old.Session, new.Session
	if oldSess.Voice != newSess.Voice || oldSess.Quality != newSess.Quality || oldSess.Instruction != newSess.Instruction {
		d.SessionChanged = true
	}
	oldSess.Voice, oldSess.Quality, oldSess.Instruction = "", "", ""
	newSess.Voice, newSess.Quality, newSess.Instruction = "", "", ""

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"transport", old.Transport, new.Transport},
		{"device", old.Device, new.Device},
		{"session", oldSess, newSess},
		{"discord", old.Discord, new.Discord},
		{"resilience", old.Resilience, new.Resilience},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
