//go:build !govips || !cgo

package convert

func Startup() error {
	return nil
}

func Shutdown() {}

func CodecName() string {
	return "std"
}

func newCodec() Codec {
	return stdCodec{}
}
