package main

//go:generate swag init -g cmd/syncd/main.go -o docs

// @title           Delivery Desk Sync API
// @version         0.1.0
// @description     CRM connection management, billing entity sync, and batch scheduling.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
