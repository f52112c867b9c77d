package main

import (
	"fmt"
	"os"

	cli "github.com/spf13/pflag"

	"aura/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Daemon socket path")
	cli.Parse()

	cmd := "status"
	if args := cli.Args(); len(args) > 0 {
		cmd = args[0]
	}

	reply, err := ipc.SendCommand(*socket, cmd)
	if err != nil {
		fmt.Println("aura-daemon not running:", err)
		os.Exit(1)
	}

	if !reply.OK {
		fmt.Println("error:", reply.Err)
		os.Exit(1)
	}
	if reply.State != "" {
		fmt.Printf("state: %s  turns: %d\n", reply.State, reply.Turns)
	} else {
		fmt.Println("ok")
	}
}
