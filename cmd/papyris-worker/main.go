package main

import (
	"log"

	"papyris/cmd/internal/app"
)

func main() {
	if err := app.RunWorker(); err != nil {
		log.Fatal(err)
	}
}
