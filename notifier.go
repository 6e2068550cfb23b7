package main

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	log "github.com/sirupsen/logrus"
)

var printer = message.NewPrinter(language.English)

func formatSats(amount int64) string {
	return printer.Sprintf("%d sats", amount)
}

// Notifier presents payment progress to whoever is waiting on it.
type Notifier interface {
	Status(message string)
	Success(message string)
	Failure(message string)
}

type LogNotifier struct {
	entry *log.Entry
}

func newLogNotifier(attemptId string) *LogNotifier {
	return &LogNotifier{entry: log.WithField("attempt", attemptId)}
}

func (notifier *LogNotifier) Status(message string) {
	notifier.entry.Info(message)
}

func (notifier *LogNotifier) Success(message string) {
	notifier.entry.WithField("outcome", "success").Info(message)
}

func (notifier *LogNotifier) Failure(message string) {
	notifier.entry.WithField("outcome", "failure").Warn(message)
}
