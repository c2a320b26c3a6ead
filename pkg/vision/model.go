// Package vision implements the attention convolutional autoencoder that
// embeds chart images into unit vectors.
package vision

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tunogya/visionquant/pkg/nn"
)

var (
	ErrNoDecoder  = errors.New("vision: model loaded without decoder")
	ErrInputShape = errors.New("vision: input shape mismatch")
)

const leakySlope = 0.2

// Config describes the autoencoder architecture.
type Config struct {
	ImageSize   int   `json:"image_size" mapstructure:"image_size"`
	Widths      []int `json:"widths" mapstructure:"widths"`
	Heads       int   `json:"heads" mapstructure:"heads"`
	LatentDim   int   `json:"latent_dim" mapstructure:"latent_dim"`
	DecoderSeed int   `json:"decoder_seed" mapstructure:"decoder_seed"`
	Groups      int   `json:"groups" mapstructure:"groups"`
	Seed        int64 `json:"seed" mapstructure:"seed"`
}

// DefaultConfig returns the 224px, 1024-d production architecture.
func DefaultConfig() Config {
	return Config{
		ImageSize:   224,
		Widths:      []int{32, 64, 128, 256},
		Heads:       8,
		LatentDim:   1024,
		DecoderSeed: 16,
		Groups:      8,
		Seed:        42,
	}
}

// Validate checks the architecture is buildable.
func (c Config) Validate() error {
	if len(c.Widths) != 4 {
		return fmt.Errorf("widths must have 4 stages, got %d", len(c.Widths))
	}
	if c.ImageSize <= 0 || c.ImageSize%16 != 0 {
		return fmt.Errorf("image_size must be a positive multiple of 16, got %d", c.ImageSize)
	}
	for _, w := range c.Widths {
		if w <= 0 {
			return fmt.Errorf("widths must be positive")
		}
	}
	if c.Heads <= 0 || c.Widths[3]%c.Heads != 0 {
		return fmt.Errorf("final width %d not divisible by %d heads", c.Widths[3], c.Heads)
	}
	if c.LatentDim <= 0 || c.DecoderSeed <= 0 || c.Groups <= 0 {
		return fmt.Errorf("latent_dim, decoder_seed and groups must be positive")
	}
	return nil
}

// GridSize is the spatial size of the bottleneck feature map.
func (c Config) GridSize() int { return c.ImageSize / 16 }

// Tokens is the number of attention tokens.
func (c Config) Tokens() int { return c.GridSize() * c.GridSize() }

// InputLen is the flat length of one image tensor.
func (c Config) InputLen() int { return 3 * c.ImageSize * c.ImageSize }

type stage struct {
	norm *nn.GroupNorm
	act  *nn.LeakyReLU
}

type encoder struct {
	convs  []*nn.Conv2D
	stages []stage
	attn   *nn.MultiHeadAttention
	ln     *nn.LayerNorm
	latent *nn.Linear

	pooledNorm float64
	z          []float64
}

type decoder struct {
	fc     *nn.Linear
	fcAct  *nn.LeakyReLU
	convs  []*nn.ConvTranspose2D
	stages []stage // norm/act after all but the last conv
	out    *nn.Sigmoid
}

// Model is the attention convolutional autoencoder. Layers cache activations,
// so a Model runs one forward/backward at a time; the mutex serializes callers.
type Model struct {
	cfg  Config
	enc  *encoder
	dec  *decoder
	bias []float64

	mu sync.Mutex
}

// New builds a randomly initialized model. Initialization is seeded by cfg.Seed.
func New(cfg Config) (*Model, error) {
	return build(cfg, true)
}

func build(cfg Config, withDecoder bool) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	enc := &encoder{}
	in := 3
	for i, w := range cfg.Widths {
		name := fmt.Sprintf("encoder.%d", i)
		enc.convs = append(enc.convs, nn.NewConv2D(name+".conv", in, w, 4, 2, 1, rng))
		enc.stages = append(enc.stages, stage{
			norm: nn.NewGroupNorm(name+".norm", w, groupsFor(cfg.Groups, w)),
			act:  nn.NewLeakyReLU(leakySlope),
		})
		in = w
	}
	dim := cfg.Widths[3]
	attn, err := nn.NewMultiHeadAttention("attention.mha", dim, cfg.Heads, rng)
	if err != nil {
		return nil, err
	}
	enc.attn = attn
	enc.ln = nn.NewLayerNorm("attention.norm", dim)
	enc.latent = nn.NewLinear("latent.fc", dim, cfg.LatentDim, rng)

	m := &Model{cfg: cfg, enc: enc}
	if !withDecoder {
		return m, nil
	}

	g := cfg.GridSize()
	dec := &decoder{
		fc:    nn.NewLinear("decoder.fc", cfg.LatentDim, cfg.DecoderSeed*g*g, rng),
		fcAct: nn.NewLeakyReLU(leakySlope),
		out:   &nn.Sigmoid{},
	}
	chans := []int{cfg.DecoderSeed, cfg.Widths[2], cfg.Widths[1], cfg.Widths[0], 3}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("decoder.%d", i)
		dec.convs = append(dec.convs, nn.NewConvTranspose2D(name+".deconv", chans[i], chans[i+1], 4, 2, 1, rng))
		if i < 3 {
			dec.stages = append(dec.stages, stage{
				norm: nn.NewGroupNorm(name+".norm", chans[i+1], groupsFor(cfg.Groups, chans[i+1])),
				act:  nn.NewLeakyReLU(leakySlope),
			})
		}
	}
	m.dec = dec
	return m, nil
}

// groupsFor picks the largest group count <= want that divides channels.
func groupsFor(want, channels int) int {
	for g := want; g > 1; g-- {
		if channels%g == 0 {
			return g
		}
	}
	return 1
}

// Config returns the architecture.
func (m *Model) Config() Config { return m.cfg }

// HasDecoder reports whether the decoder was built.
func (m *Model) HasDecoder() bool { return m.dec != nil }

// SetAttentionBias installs an additive [T*T] attention bias; nil restores
// standard attention.
func (m *Model) SetAttentionBias(bias []float64) error {
	if bias != nil && len(bias) != m.cfg.Tokens()*m.cfg.Tokens() {
		return fmt.Errorf("%w: attention bias has %d entries, want %d", ErrInputShape, len(bias), m.cfg.Tokens()*m.cfg.Tokens())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bias = bias
	return nil
}

// Params returns all trainable parameters, encoder first.
func (m *Model) Params() []*nn.Param {
	var mods []nn.Module
	for i, c := range m.enc.convs {
		mods = append(mods, c, m.enc.stages[i].norm)
	}
	mods = append(mods, m.enc.attn, m.enc.ln, m.enc.latent)
	if m.dec != nil {
		mods = append(mods, m.dec.fc)
		for i, c := range m.dec.convs {
			mods = append(mods, c)
			if i < len(m.dec.stages) {
				mods = append(mods, m.dec.stages[i].norm)
			}
		}
	}
	return nn.Collect(mods...)
}

// Encode maps a [3, S, S] tensor in [0,1] to a unit-length embedding.
func (m *Model) Encode(img []float64) ([]float32, error) {
	if len(img) != m.cfg.InputLen() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputShape, len(img), m.cfg.InputLen())
	}
	m.mu.Lock()
	z := m.encode(img)
	m.mu.Unlock()

	out := make([]float32, len(z))
	for i, v := range z {
		out[i] = float32(v)
	}
	return out, nil
}

// Decode reconstructs an image tensor from an embedding.
func (m *Model) Decode(vec []float32) ([]float64, error) {
	if m.dec == nil {
		return nil, ErrNoDecoder
	}
	if len(vec) != m.cfg.LatentDim {
		return nil, fmt.Errorf("%w: got %d dims, want %d", ErrInputShape, len(vec), m.cfg.LatentDim)
	}
	z := make([]float64, len(vec))
	for i, v := range vec {
		z[i] = float64(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decode(z), nil
}

// Forward returns the reconstruction and the embedding.
func (m *Model) Forward(img []float64) ([]float64, []float32, error) {
	if m.dec == nil {
		return nil, nil, ErrNoDecoder
	}
	if len(img) != m.cfg.InputLen() {
		return nil, nil, fmt.Errorf("%w: got %d values, want %d", ErrInputShape, len(img), m.cfg.InputLen())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.encode(img)
	recon := m.decode(z)
	vec := make([]float32, len(z))
	for i, v := range z {
		vec[i] = float32(v)
	}
	return recon, vec, nil
}

// TrainStep runs one reconstruction forward/backward pass, accumulating
// gradients, and returns the sample's MSE.
func (m *Model) TrainStep(img []float64) (float64, error) {
	if m.dec == nil {
		return 0, ErrNoDecoder
	}
	if len(img) != m.cfg.InputLen() {
		return 0, fmt.Errorf("%w: got %d values, want %d", ErrInputShape, len(img), m.cfg.InputLen())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.encode(img)
	recon := m.decode(z)
	loss, grad := nn.MSE(recon, img)
	dz := m.backwardDecoder(grad)
	m.backwardEncoder(dz)
	return loss, nil
}

func (m *Model) encode(img []float64) []float64 {
	x, h, w := img, m.cfg.ImageSize, m.cfg.ImageSize
	for i, conv := range m.enc.convs {
		st := m.enc.stages[i]
		x, h, w = conv.Forward(x, h, w)
		x = st.norm.Forward(x, h*w)
		x = st.act.Forward(x)
	}

	dim, tokens := m.cfg.Widths[3], h*w
	seq := nn.Transpose(x, dim, tokens)
	att := m.enc.attn.Forward(seq, m.bias)
	for i := range att {
		att[i] += seq[i]
	}
	seq = m.enc.ln.Forward(att)
	feat := nn.Transpose(seq, tokens, dim)

	pooled := nn.GlobalAvgPool(feat, dim)
	raw := m.enc.latent.Forward(pooled)
	z, norm := nn.L2Normalize(raw)
	m.enc.z, m.enc.pooledNorm = z, norm
	return z
}

func (m *Model) decode(z []float64) []float64 {
	g := m.cfg.GridSize()
	x := m.dec.fcAct.Forward(m.dec.fc.Forward(z))
	h, w := g, g
	for i, conv := range m.dec.convs {
		x, h, w = conv.Forward(x, h, w)
		if i < len(m.dec.stages) {
			st := m.dec.stages[i]
			x = st.norm.Forward(x, h*w)
			x = st.act.Forward(x)
		}
	}
	return m.dec.out.Forward(x)
}

func (m *Model) backwardDecoder(dout []float64) []float64 {
	d := m.dec.out.Backward(dout)
	for i := len(m.dec.convs) - 1; i >= 0; i-- {
		if i < len(m.dec.stages) {
			st := m.dec.stages[i]
			d = st.act.Backward(d)
			d = st.norm.Backward(d)
		}
		d = m.dec.convs[i].Backward(d)
	}
	d = m.dec.fcAct.Backward(d)
	return m.dec.fc.Backward(d)
}

func (m *Model) backwardEncoder(dz []float64) {
	dim, tokens := m.cfg.Widths[3], m.cfg.Tokens()

	d := nn.L2NormalizeBackward(dz, m.enc.z, m.enc.pooledNorm)
	d = m.enc.latent.Backward(d)
	d = nn.GlobalAvgPoolBackward(d, tokens)

	dseq := m.enc.ln.Backward(nn.Transpose(d, dim, tokens))
	datt := m.enc.attn.Backward(dseq)
	for i := range dseq {
		dseq[i] += datt[i]
	}
	d = nn.Transpose(dseq, tokens, dim)

	for i := len(m.enc.convs) - 1; i >= 0; i-- {
		st := m.enc.stages[i]
		d = st.act.Backward(d)
		d = st.norm.Backward(d)
		d = m.enc.convs[i].Backward(d)
	}
}
