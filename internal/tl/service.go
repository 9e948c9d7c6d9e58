package tl

import (
	"github.com/gotd/td/mt"
	"github.com/gotd/td/tg"
)

func init() {
	register(
		func() Object { return &mt.RPCError{} },
		func() Object { return &mt.MsgsAck{} },
		func() Object { return &tg.InvokeWithLayerRequest{Query: &Raw{}} },
		func() Object { return &tg.InitConnectionRequest{Query: &Raw{}} },
		func() Object { return &tg.HelpGetNearestDCRequest{} },
		func() Object { return &tg.NearestDC{} },
		func() Object { return &tg.BoolTrue{} },
		func() Object { return &tg.BoolFalse{} },
		func() Object { return &tg.AuthBindTempAuthKeyRequest{} },
	)
}

// Bool returns the boxed boolTrue or boolFalse.
func Bool(v bool) tg.BoolClass {
	if v {
		return &tg.BoolTrue{}
	}
	return &tg.BoolFalse{}
}
