//go:build !opencv

package encoder

func platformBackends() []Backend { return nil }
