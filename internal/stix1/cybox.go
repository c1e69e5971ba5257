package stix1

import (
	"encoding/xml"
	"errors"
	"strings"

	"github.com/lvonguyen/stixforge/internal/mapping"
)

// cyboxType maps one observable type onto a CybOX object type.
type cyboxType struct {
	xsiType  string
	prefix   string
	category string
	fields   map[string]string
}

var (
	addressFields    = map[string]string{"value": "Address_Value"}
	valueFields      = map[string]string{"value": "Value"}
	fileFields       = map[string]string{"name": "File_Name", "size": "Size_In_Bytes", "byte_run_data": "Byte_Runs/Byte_Run/Byte_Run_Data"}
	asFields         = map[string]string{"number": "Number", "name": "Name"}
	connectionFields = map[string]string{"src_port": "Source_Port", "dst_port": "Destination_Port"}
	emailFields      = map[string]string{"subject": "Subject", "additional_header_fields.Reply-To": "Reply_To"}
	registryFields   = map[string]string{"key": "Key", "values[*].data": "Values/Value/Data"}
	serviceFields    = map[string]string{"extensions.windows-service-ext.service_name": "Service_Name", "extensions.windows-service-ext.display_name": "Display_Name"}
	sessionFields    = map[string]string{"user_agent": "HTTP_Request_Response/HTTP_Client_Request/HTTP_Request_Header/Parsed_Header/User_Agent"}
)

var cyboxTypes = map[string]cyboxType{
	"ipv4-addr":            {"AddressObj:AddressObjectType", "AddressObj", "ipv4-addr", addressFields},
	"ipv6-addr":            {"AddressObj:AddressObjectType", "AddressObj", "ipv6-addr", addressFields},
	"mac-addr":             {"AddressObj:AddressObjectType", "AddressObj", "mac", addressFields},
	"email-addr":           {"AddressObj:AddressObjectType", "AddressObj", "e-mail", addressFields},
	"domain-name":          {"DomainNameObj:DomainNameObjectType", "DomainNameObj", "", valueFields},
	"url":                  {"URIObj:URIObjectType", "URIObj", "", valueFields},
	"file":                 {"FileObj:FileObjectType", "FileObj", "", fileFields},
	"mutex":                {"MutexObj:MutexObjectType", "MutexObj", "", map[string]string{"name": "Name"}},
	"windows-registry-key": {"WinRegistryKeyObj:WindowsRegistryKeyObjectType", "WinRegistryKeyObj", "", registryFields},
	"autonomous-system":    {"ASObj:ASObjectType", "ASObj", "", asFields},
	"network-traffic":      {"NetworkConnectionObj:NetworkConnectionObjectType", "NetworkConnectionObj", "", connectionFields},
	"email-message":        {"EmailMessageObj:EmailMessageObjectType", "EmailMessageObj", "", emailFields},
	"x509-certificate":     {"X509CertificateObj:X509CertificateObjectType", "X509CertificateObj", "", nil},
	"artifact":             {"ArtifactObj:ArtifactObjectType", "ArtifactObj", "", map[string]string{"payload_bin": "Raw_Artifact"}},
	"pipe":                 {"PipeObj:PipeObjectType", "PipeObj", "", map[string]string{"name": "Name"}},
	"process":              {"WinServiceObj:WindowsServiceObjectType", "WinServiceObj", "", serviceFields},
	"http-session":         {"HTTPSessionObj:HTTPSessionObjectType", "HTTPSessionObj", "", sessionFields},
}

var customType = cyboxType{xsiType: "CustomObj:CustomObjectType", prefix: "CustomObj"}

// cyboxProperties converts one observable. Hashes become typed Hash fields;
// properties without a CybOX field become custom properties.
func cyboxProperties(o mapping.Observable, condition string) Properties {
	ct, ok := cyboxTypes[o.Type]
	if !ok {
		ct = customType
	}

	props := Properties{XSIType: ct.xsiType, Category: ct.category}
	for _, p := range o.Properties {
		if algorithm, isHash := strings.CutPrefix(p.Name, "hashes."); isHash {
			props.Fields = append(props.Fields, Field{
				XMLName:   xml.Name{Local: ct.prefix + ":Hash"},
				Type:      strings.ReplaceAll(algorithm, "-", ""),
				Condition: condition,
				Value:     p.Value,
			})
			continue
		}
		if path, mapped := ct.fields[p.Name]; mapped {
			props.Fields = append(props.Fields, nestedField(ct.prefix, strings.Split(path, "/"), condition, p.Value))
			continue
		}
		props.Custom = append(props.Custom, CustomProperty{Name: p.Name, Condition: condition, Value: p.Value})
	}
	if !ok {
		props.Custom = append([]CustomProperty{{Name: "type", Value: o.Type}}, props.Custom...)
	}
	return props
}

// nestedField builds the element chain of path; only the leaf carries the
// condition and value.
func nestedField(prefix string, path []string, condition, value string) Field {
	f := Field{XMLName: xml.Name{Local: prefix + ":" + path[0]}}
	if len(path) == 1 {
		f.Condition = condition
		f.Value = value
		return f
	}
	f.Children = []Field{nestedField(prefix, path[1:], condition, value)}
	return f
}

// observable builds a single-object observable, or an AND composition for
// multi-object payloads.
func observable(id string, p mapping.Payload, condition string) (*Observable, error) {
	if len(p.Observables) == 0 {
		return nil, errors.New("payload has no observable")
	}

	obs := &Observable{ID: id, Title: p.Title}
	if len(p.Observables) == 1 {
		obs.Object = &CyboxObject{Properties: cyboxProperties(p.Observables[0], condition)}
		return obs, nil
	}

	composition := &Composition{Operator: "AND"}
	for _, o := range p.Observables {
		composition.Observables = append(composition.Observables, Observable{
			Object: &CyboxObject{Properties: cyboxProperties(o, condition)},
		})
	}
	obs.Composition = composition
	return obs, nil
}
