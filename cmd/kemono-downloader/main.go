package main

import "go-kemono-download/cmd/kemono-downloader/cmd"

func main() {
	cmd.Execute()
}
