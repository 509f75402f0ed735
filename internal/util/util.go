package util

import (
	log "github.com/sirupsen/logrus"
)

// HideAPIKey masks the middle of a credential for logging.
func HideAPIKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// SetLogLevel switches logrus between debug and info level.
func SetLogLevel(debug bool) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s", currentLevel, newLevel)
	}
}
