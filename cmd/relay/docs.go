package main

//go:generate swag init -g cmd/relay/main.go -o docs

// @title           Signal Relay API
// @version         0.1.0
// @description     Trading alert ingestion, live fan-out and multi-channel delivery.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
