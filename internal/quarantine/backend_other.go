//go:build !unix

package quarantine

func platformBackend() Backend {
	return OSBackend{}
}
