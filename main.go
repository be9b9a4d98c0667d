package main

import "github.com/ValentinKolb/dCtx/cmd"

func main() {
	cmd.Execute()
}
