//go:build !opencv

package motion

func platformPreprocessor(Config) Preprocessor { return nil }
