// Package fec defines the forward-error-correction contract: generating
// redundancy blocks proportional to the image size and reconstructing
// damaged units from them during verification. Concrete encoders live under
// internal/services.
package fec
