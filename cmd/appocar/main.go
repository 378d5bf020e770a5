package main

import (
	"log"

	"github.com/appocareu/appocar-web/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
