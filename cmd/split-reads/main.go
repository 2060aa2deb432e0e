package main

// See doc.go for documentation
import (
	"github.com/grailbio/base/grail"
	"github.com/grailbio/splitread/cmd/split-reads/cmd"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmd.Run()
}
