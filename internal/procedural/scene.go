package procedural

import (
	"math"
	"math/rand/v2"
)

type vec3 [3]float64

func (a vec3) add(b vec3) vec3      { return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a vec3) sub(b vec3) vec3      { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) scale(s float64) vec3 { return vec3{a[0] * s, a[1] * s, a[2] * s} }
func (a vec3) mul(b vec3) vec3      { return vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]} }
func (a vec3) dot(b vec3) float64   { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a vec3) norm() vec3 {
	l := math.Sqrt(a.dot(a))
	if l == 0 {
		return a
	}
	return a.scale(1 / l)
}

type ray struct {
	origin, dir vec3
}

type hit struct {
	t      float64
	normal vec3
	albedo vec3
}

// scene is a sphere resting on a checkered ground plane under a sky.
type scene struct {
	center vec3
	radius float64
	sphere vec3
	sun    vec3
}

func defaultScene() scene {
	return scene{
		center: vec3{0, 0, -3},
		radius: 1,
		sphere: vec3{0.8, 0.3, 0.2},
		sun:    vec3{0.4, 0.8, 0.45}.norm(),
	}
}

const groundY = -1

func (s *scene) intersect(r ray) (hit, bool) {
	best := hit{t: math.Inf(1)}
	found := false

	oc := r.origin.sub(s.center)
	b := oc.dot(r.dir)
	c := oc.dot(oc) - s.radius*s.radius
	if disc := b*b - c; disc > 0 {
		sq := math.Sqrt(disc)
		for _, t := range [2]float64{-b - sq, -b + sq} {
			if t > 1e-4 && t < best.t {
				p := r.origin.add(r.dir.scale(t))
				best = hit{t: t, normal: p.sub(s.center).scale(1 / s.radius), albedo: s.sphere}
				found = true
				break
			}
		}
	}

	if r.dir[1] < -1e-6 {
		t := (groundY - r.origin[1]) / r.dir[1]
		if t > 1e-4 && t < best.t {
			p := r.origin.add(r.dir.scale(t))
			albedo := vec3{0.75, 0.75, 0.75}
			if (int(math.Floor(p[0]))+int(math.Floor(p[2])))&1 == 1 {
				albedo = vec3{0.25, 0.25, 0.25}
			}
			best = hit{t: t, normal: vec3{0, 1, 0}, albedo: albedo}
			found = true
		}
	}
	return best, found
}

func (s *scene) sky(dir vec3) vec3 {
	t := 0.5 * (dir[1] + 1)
	return vec3{1, 1, 1}.scale(1 - t).add(vec3{0.5, 0.7, 1.0}.scale(t))
}

// sample returns one Monte Carlo radiance estimate along r together with
// the first-hit albedo and normal.
func (s *scene) sample(r ray, rng *rand.Rand) (radiance, albedo, normal vec3) {
	h, ok := s.intersect(r)
	if !ok {
		sky := s.sky(r.dir)
		return sky, sky, r.dir.scale(-1)
	}
	p := r.origin.add(r.dir.scale(h.t))

	// Direct sun with a hard shadow.
	var direct float64
	if ndl := h.normal.dot(s.sun); ndl > 0 {
		if _, blocked := s.intersect(ray{origin: p, dir: s.sun}); !blocked {
			direct = ndl
		}
	}

	// One cosine-weighted bounce to the sky; occluded bounces add nothing.
	var indirect vec3
	dir := cosineSample(h.normal, rng)
	if _, blocked := s.intersect(ray{origin: p, dir: dir}); !blocked {
		indirect = s.sky(dir)
	}
	light := indirect.add(vec3{1, 0.95, 0.9}.scale(direct))
	return h.albedo.mul(light), h.albedo, h.normal
}

func cosineSample(n vec3, rng *rand.Rand) vec3 {
	u1, u2 := rng.Float64(), rng.Float64()
	r := math.Sqrt(u1)
	phi := 2 * math.Pi * u2
	x, y, z := r*math.Cos(phi), r*math.Sin(phi), math.Sqrt(1-u1)

	// Orthonormal basis around n.
	var up vec3
	if math.Abs(n[0]) > 0.9 {
		up = vec3{0, 1, 0}
	} else {
		up = vec3{1, 0, 0}
	}
	tangent := vec3{
		up[1]*n[2] - up[2]*n[1],
		up[2]*n[0] - up[0]*n[2],
		up[0]*n[1] - up[1]*n[0],
	}.norm()
	bitangent := vec3{
		n[1]*tangent[2] - n[2]*tangent[1],
		n[2]*tangent[0] - n[0]*tangent[2],
		n[0]*tangent[1] - n[1]*tangent[0],
	}
	return tangent.scale(x).add(bitangent.scale(y)).add(n.scale(z)).norm()
}
