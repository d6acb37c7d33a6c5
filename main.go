package main

import (
	"os"

	"optionflow/internal/app"
)

func main() {
	os.Exit(app.Run())
}
