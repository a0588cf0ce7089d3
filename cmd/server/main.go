package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"resonance-field/server/internal/app"
)

func main() {
	if err := app.Run(context.Background()); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
}
