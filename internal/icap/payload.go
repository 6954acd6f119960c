package icap

// Payload carries the demultiplexed sections of a message. Body sections hold
// decoded bytes; Consumed counts the raw bytes routed so far.
type Payload struct {
	ReqHeader []byte
	ReqBody   []byte
	ResHeader []byte
	ResBody   []byte

	// IEOF is set when the terminating chunk carried the ieof extension.
	IEOF bool

	Consumed int
}

// Sizes returns the lengths of the four sections.
func (p *Payload) Sizes() Sizes {
	return Sizes{
		ReqHeader: len(p.ReqHeader),
		ReqBody:   len(p.ReqBody),
		ResHeader: len(p.ResHeader),
		ResBody:   len(p.ResBody),
	}
}

// Empty reports whether no section carries data.
func (p *Payload) Empty() bool {
	return len(p.ReqHeader)+len(p.ReqBody)+len(p.ResHeader)+len(p.ResBody) == 0
}

// section returns the buffer backing e. opt-body and null-body have none.
func (p *Payload) section(e Entity) *[]byte {
	switch e {
	case ReqHdr:
		return &p.ReqHeader
	case ReqBody:
		return &p.ReqBody
	case ResHdr:
		return &p.ResHeader
	case ResBody:
		return &p.ResBody
	}
	return nil
}

// Section returns the bytes held for e.
func (p *Payload) Section(e Entity) []byte {
	if b := p.section(e); b != nil {
		return *b
	}
	return nil
}

// Clone returns a copy that shares no buffers with p.
func (p *Payload) Clone() Payload {
	dup := func(b []byte) []byte {
		if b == nil {
			return nil
		}
		return append([]byte(nil), b...)
	}
	return Payload{
		ReqHeader: dup(p.ReqHeader),
		ReqBody:   dup(p.ReqBody),
		ResHeader: dup(p.ResHeader),
		ResBody:   dup(p.ResBody),
		IEOF:      p.IEOF,
		Consumed:  p.Consumed,
	}
}
