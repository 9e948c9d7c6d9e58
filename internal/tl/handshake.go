package tl

import (
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
)

// Constructors of the key exchange that gotd only generates in their _dc
// variants.
const (
	PQInnerDataTypeID      = 0x83c95aec
	PQInnerDataTempTypeID  = 0x3c6a84d4
	BindAuthKeyInnerTypeID = 0x75a3f765
)

type (
	// PQInnerData is p_q_inner_data, or p_q_inner_data_temp when Temp is set.
	PQInnerData struct {
		PQ          []byte
		P           []byte
		Q           []byte
		Nonce       bin.Int128
		ServerNonce bin.Int128
		NewNonce    bin.Int256
		Temp        bool
		ExpiresIn   int
	}

	BindAuthKeyInner struct {
		Nonce         int64
		TempAuthKeyID int64
		PermAuthKeyID int64
		TempSessionID int64
		ExpiresAt     int
	}
)

func init() {
	register(
		func() Object { return &mt.ReqPqMultiRequest{} },
		func() Object { return &mt.ResPQ{} },
		func() Object { return &PQInnerData{} },
		func() Object { return &PQInnerData{Temp: true} },
		func() Object { return &mt.ReqDHParamsRequest{} },
		func() Object { return &mt.ServerDHParamsOk{} },
		func() Object { return &mt.ServerDHParamsFail{} },
		func() Object { return &mt.ServerDHInnerData{} },
		func() Object { return &mt.ClientDHInnerData{} },
		func() Object { return &mt.SetClientDHParamsRequest{} },
		func() Object { return &mt.DhGenOk{} },
		func() Object { return &mt.DhGenRetry{} },
		func() Object { return &mt.DhGenFail{} },
		func() Object { return &BindAuthKeyInner{} },
	)
}

func (p *PQInnerData) TypeID() uint32 {
	if p.Temp {
		return PQInnerDataTempTypeID
	}
	return PQInnerDataTypeID
}

func (p *PQInnerData) Encode(b *bin.Buffer) error {
	b.PutID(p.TypeID())
	b.PutBytes(p.PQ)
	b.PutBytes(p.P)
	b.PutBytes(p.Q)
	b.PutInt128(p.Nonce)
	b.PutInt128(p.ServerNonce)
	b.PutInt256(p.NewNonce)
	if p.Temp {
		b.PutInt(p.ExpiresIn)
	}
	return nil
}

func (p *PQInnerData) Decode(b *bin.Buffer) (err error) {
	if err := b.ConsumeID(p.TypeID()); err != nil {
		return err
	}
	if p.PQ, err = b.Bytes(); err != nil {
		return err
	}
	if p.P, err = b.Bytes(); err != nil {
		return err
	}
	if p.Q, err = b.Bytes(); err != nil {
		return err
	}
	if p.Nonce, err = b.Int128(); err != nil {
		return err
	}
	if p.ServerNonce, err = b.Int128(); err != nil {
		return err
	}
	if p.NewNonce, err = b.Int256(); err != nil {
		return err
	}
	if p.Temp {
		p.ExpiresIn, err = b.Int()
	}
	return err
}

func (*BindAuthKeyInner) TypeID() uint32 { return BindAuthKeyInnerTypeID }

func (i *BindAuthKeyInner) Encode(b *bin.Buffer) error {
	b.PutID(BindAuthKeyInnerTypeID)
	b.PutLong(i.Nonce)
	b.PutLong(i.TempAuthKeyID)
	b.PutLong(i.PermAuthKeyID)
	b.PutLong(i.TempSessionID)
	b.PutInt(i.ExpiresAt)
	return nil
}

func (i *BindAuthKeyInner) Decode(b *bin.Buffer) (err error) {
	if err := b.ConsumeID(BindAuthKeyInnerTypeID); err != nil {
		return err
	}
	if i.Nonce, err = b.Long(); err != nil {
		return err
	}
	if i.TempAuthKeyID, err = b.Long(); err != nil {
		return err
	}
	if i.PermAuthKeyID, err = b.Long(); err != nil {
		return err
	}
	if i.TempSessionID, err = b.Long(); err != nil {
		return err
	}
	i.ExpiresAt, err = b.Int()
	return err
}
