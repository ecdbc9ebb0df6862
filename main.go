/*
Copyright © 2025 docverse
*/
package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/docverse/docsim-be/cmd"
)

func main() {
	cmd.Execute()
}

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded:", err)
	}
}
