package mapping

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/stixforge/internal/misp"
)

// ObjectProducer converts one MISP object into a payload.
type ObjectProducer func(o misp.Object) (Payload, error)

func defaultObjects() map[string]ObjectProducer {
	return map[string]ObjectProducer{
		"asn":       parseASNObject,
		"domain-ip": parseDomainIPObject,
		"email":     parseEmailObject,
		"file":      parseFileObject,
		"ip-port":   parseIPPortObject,
		"url":       parseURLObject,
	}
}

// CustomObject is the lossless fallback for unmapped object names.
func CustomObject(o misp.Object) Payload {
	props := []Property{
		prop("name", o.Name),
		prop("meta_category", o.MetaCategory),
	}
	for _, a := range o.Attributes {
		props = append(props, prop(a.ObjectRelation, a.Value))
	}
	return Payload{
		Observables: []Observable{{Type: "x-misp-object", Properties: props}},
		Custom:      true,
	}
}

// relations groups member attribute values by object relation, keeping
// first-seen relation order.
type relations struct {
	order  []string
	values map[string][]string
}

func newRelations(o misp.Object) *relations {
	r := &relations{values: make(map[string][]string)}
	for _, a := range o.Attributes {
		if _, ok := r.values[a.ObjectRelation]; !ok {
			r.order = append(r.order, a.ObjectRelation)
		}
		r.values[a.ObjectRelation] = append(r.values[a.ObjectRelation], a.Value)
	}
	return r
}

// pop removes and returns all values of a relation.
func (r *relations) pop(name string) []string {
	v := r.values[name]
	delete(r.values, name)
	return v
}

// rest converts the remaining relations into x_misp_ properties.
func (r *relations) rest() []Property {
	var props []Property
	for _, name := range r.order {
		for _, v := range r.values[name] {
			props = append(props, prop("x_misp_"+strings.ReplaceAll(name, "-", "_"), v))
		}
	}
	return props
}

func parseASNObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	asn := rel.pop("asn")
	if len(asn) == 0 {
		return Payload{}, fmt.Errorf("asn object %s has no asn attribute", o.UUID)
	}
	props := []Property{number("number", strings.TrimPrefix(strings.ToUpper(asn[0]), "AS"))}
	if desc := rel.pop("description"); len(desc) > 0 {
		props = append(props, prop("name", desc[0]))
	}
	props = append(props, rel.rest()...)
	return Payload{Observables: []Observable{{Type: "autonomous-system", Properties: props}}}, nil
}

func parseDomainIPObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	domains := append(rel.pop("domain"), rel.pop("hostname")...)
	ips := rel.pop("ip")
	if len(domains) == 0 {
		return Payload{}, fmt.Errorf("domain-ip object %s has no domain attribute", o.UUID)
	}

	root := Observable{Type: "domain-name", Properties: []Property{prop("value", domains[0])}}
	observables := []Observable{root}
	for _, ip := range ips {
		address, err := ipObservable(ip)
		if err != nil {
			return Payload{}, err
		}
		observables[0].Refs = append(observables[0].Refs, Ref{Name: "resolves_to_refs", Index: len(observables), List: true})
		observables = append(observables, address)
	}
	observables[0].Properties = append(observables[0].Properties, rel.rest()...)
	return Payload{Observables: observables}, nil
}

func parseFileObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	var props []Property
	if name := rel.pop("filename"); len(name) > 0 {
		props = append(props, prop("name", name[0]))
	}
	if size := rel.pop("size-in-bytes"); len(size) > 0 {
		props = append(props, number("size", size[0]))
	}
	for _, hashType := range []string{"md5", "sha1", "sha224", "sha256", "sha384", "sha512", "ssdeep"} {
		if v := rel.pop(hashType); len(v) > 0 {
			props = append(props, prop("hashes."+hashNames[hashType], v[0]))
		}
	}
	if len(props) == 0 {
		return Payload{}, fmt.Errorf("file object %s has neither name nor hash", o.UUID)
	}
	props = append(props, rel.rest()...)
	return Payload{Observables: []Observable{{Type: "file", Properties: props}}}, nil
}

func parseIPPortObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	traffic := Observable{Type: "network-traffic"}
	observables := []Observable{traffic}

	for _, side := range []string{"dst", "src"} {
		ips := rel.pop("ip-" + side)
		if side == "dst" {
			ips = append(rel.pop("ip"), ips...)
		}
		for _, ip := range ips {
			address, err := ipObservable(ip)
			if err != nil {
				return Payload{}, err
			}
			observables[0].Refs = append(observables[0].Refs, Ref{Name: side + "_ref", Index: len(observables)})
			observables = append(observables, address)
			break
		}
		if port := rel.pop(side + "-port"); len(port) > 0 {
			observables[0].Properties = append(observables[0].Properties, number(side+"_port", port[0]))
		}
	}
	if len(observables[0].Refs) == 0 && len(observables[0].Properties) == 0 {
		return Payload{}, fmt.Errorf("ip-port object %s has neither address nor port", o.UUID)
	}
	observables[0].Properties = append(observables[0].Properties, rel.rest()...)
	return Payload{Observables: observables}, nil
}

func parseURLObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	url := rel.pop("url")
	if len(url) == 0 {
		return Payload{}, fmt.Errorf("url object %s has no url attribute", o.UUID)
	}
	props := append([]Property{prop("value", url[0])}, rel.rest()...)
	return Payload{Observables: []Observable{{Type: "url", Properties: props}}}, nil
}

func parseEmailObject(o misp.Object) (Payload, error) {
	rel := newRelations(o)
	observables := []Observable{{Type: "email-message"}}

	if subject := rel.pop("subject"); len(subject) > 0 {
		observables[0].Properties = append(observables[0].Properties, prop("subject", subject[0]))
	}
	if from := rel.pop("from"); len(from) > 0 {
		observables[0].Refs = append(observables[0].Refs, Ref{Name: "from_ref", Index: len(observables)})
		observables = append(observables, Observable{Type: "email-addr", Properties: []Property{prop("value", from[0])}})
	}
	for _, to := range rel.pop("to") {
		observables[0].Refs = append(observables[0].Refs, Ref{Name: "to_refs", Index: len(observables), List: true})
		observables = append(observables, Observable{Type: "email-addr", Properties: []Property{prop("value", to)}})
	}
	observables[0].Properties = append(observables[0].Properties, rel.rest()...)
	return Payload{Observables: observables}, nil
}
