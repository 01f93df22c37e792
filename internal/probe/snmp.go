package probe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

type snmpExecutor struct {
	spec task.Spec
	deps Deps
}

func newSNMPExecutor(spec task.Spec, deps Deps) *snmpExecutor {
	return &snmpExecutor{spec: spec, deps: deps}
}

func (e *snmpExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawSNMP{Base: failedBase(e.spec, now, errMsg)}
}

func (e *snmpExecutor) Execute(ctx context.Context, now time.Time) any {
	_, cancel := deadline(ctx, e.spec)
	defer cancel()

	client, err := e.buildClient()
	if err != nil {
		return e.Failed(now, err.Error())
	}

	if err := client.Connect(); err != nil {
		return e.Failed(now, fmt.Sprintf("connect: %s", err))
	}
	defer client.Conn.Close()

	t0 := time.Now()
	result, err := client.Get([]string{e.spec.OID})
	queryMS := msSince(t0)
	if err != nil {
		return e.Failed(now, fmt.Sprintf("get: %s", err))
	}
	if len(result.Variables) == 0 {
		return e.Failed(now, "snmp: empty response")
	}

	variable := result.Variables[0]
	if variable.Type == gosnmp.NoSuchObject || variable.Type == gosnmp.NoSuchInstance {
		return e.Failed(now, "snmp: noSuchObject")
	}

	value, valueType := renderSNMPValue(variable)
	return &sample.RawSNMP{
		Base:      okBase(e.spec, now),
		QueryMS:   queryMS,
		Value:     value,
		ValueType: valueType,
	}
}

func (e *snmpExecutor) buildClient() (*gosnmp.GoSNMP, error) {
	client := &gosnmp.GoSNMP{
		Target:    e.spec.Host,
		Port:      161,
		Timeout:   time.Duration(e.spec.EffectiveTimeoutSeconds()) * time.Second,
		Retries:   0,
		MaxOids:   1,
	}

	switch e.spec.SNMPVersion {
	case "", "v2c":
		client.Version = gosnmp.Version2c
		client.Community = communityOrDefault(e.spec.Community)
	case "v1":
		client.Version = gosnmp.Version1
		client.Community = communityOrDefault(e.spec.Community)
	case "v3":
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		msgFlags := gosnmp.NoAuthNoPriv
		authProtocol := gosnmp.NoAuth
		if e.spec.AuthProtocol != "" {
			msgFlags = gosnmp.AuthNoPriv
			switch e.spec.AuthProtocol {
			case "MD5":
				authProtocol = gosnmp.MD5
			case "SHA":
				authProtocol = gosnmp.SHA
			default:
				return nil, fmt.Errorf("snmp: unsupported auth_protocol %q", e.spec.AuthProtocol)
			}
		}
		client.MsgFlags = msgFlags
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 e.spec.SNMPUser,
			AuthenticationProtocol:   authProtocol,
			AuthenticationPassphrase: e.spec.AuthPassphrase,
		}
	default:
		return nil, fmt.Errorf("snmp: unsupported snmp_version %q", e.spec.SNMPVersion)
	}

	return client, nil
}

func communityOrDefault(community string) string {
	if community == "" {
		return "public"
	}
	return community
}

// renderSNMPValue normalizes a variable binding's value to a string, per the
// ASN.1 type, collapsing Timeticks/IpAddress/OctetString representations
// into plain text.
func renderSNMPValue(v gosnmp.SnmpPDU) (value string, valueType string) {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b), "OctetString"
		}
		return fmt.Sprintf("%v", v.Value), "OctetString"
	case gosnmp.IPAddress:
		return fmt.Sprintf("%v", v.Value), "IpAddress"
	case gosnmp.TimeTicks:
		return strconv.FormatUint(gosnmp.ToBigInt(v.Value).Uint64(), 10), "Timeticks"
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String(), "Counter"
	case gosnmp.Integer:
		return gosnmp.ToBigInt(v.Value).String(), "Integer"
	default:
		return fmt.Sprintf("%v", v.Value), v.Type.String()
	}
}
