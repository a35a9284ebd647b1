package main

import (
	"github.com/cloudtolocalllm/bridge/api/cmd/bridge"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	bridge.Execute()
}
