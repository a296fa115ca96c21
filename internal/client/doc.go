// Package client is a typed HTTP client for the validq API.
package client
