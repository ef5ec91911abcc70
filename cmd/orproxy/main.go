// Command orproxy is a reverse proxy that pools OpenRouter API keys
// across incoming clients, retrying rate-limited requests against the
// next available key and filtering the model list down to free-tier
// models on request.
package main

func main() {
	Execute()
}
