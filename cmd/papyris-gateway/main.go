package main

import (
	"log"

	"papyris/cmd/internal/app"
)

func main() {
	if err := app.RunGateway(); err != nil {
		log.Fatal(err)
	}
}
