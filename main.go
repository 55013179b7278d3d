package main

import (
	"github.com/switchboard-rt/switchboard/internal/app"
)

func main() {
	_ = app.Switchboard().Execute()
}
