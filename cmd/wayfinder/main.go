package main

import (
	"log"

	"github.com/MrSnakeDoc/wayfinder/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("❌ wayfinder failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ wayfinder exited: %v", err)
	}
}
