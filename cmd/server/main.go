package main

import "github.com/voiceloop/voiceloop/internal/bootstrap"

func main() {
	bootstrap.Run()
}
