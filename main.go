package main

import (
	"github.com/marvin-hansen/iggy-streaming-system-sub001/cmd"
)

func main() {
	cmd.Execute()
}
