package main

import (
	log "github.com/sirupsen/logrus"
	"os"
)

func main() {
	r := &runner{}
	if err := r.run(os.Args[1:], true); err != nil {
		log.Fatal(err.Error())
	}
	select {} // prevent main exiting
}
