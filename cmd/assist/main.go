// Command assist runs the remote-assistance signaling relay and the two
// ends of an assistance session.
//
//	assist relay --config relay.json
//	assist token --device helpdesk-42
//	assist share --relay https://relay.example --token $TOKEN
//	assist connect --relay https://relay.example --token $TOKEN <sessionId> <code>
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Command failed")
		os.Exit(1)
	}
}
