package main

import "github.com/ValentinKolb/dRemoting/cmd"

func main() {
	cmd.Execute()
}
