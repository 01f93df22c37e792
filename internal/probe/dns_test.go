package probe

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSRecordType(t *testing.T) {
	qtype, err := dnsRecordType("a")
	require.NoError(t, err)
	assert.Equal(t, dns.TypeA, qtype)

	qtype, err = dnsRecordType("AAAA")
	require.NoError(t, err)
	assert.Equal(t, dns.TypeAAAA, qtype)

	_, err = dnsRecordType("MX")
	require.Error(t, err)
}

func TestExtractRecordsUnsupportedType(t *testing.T) {
	_, err := extractRecords(nil, dns.TypeMX)
	require.Error(t, err)
}
