package main

import (
	"os"

	"horse.fit/geostory/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
