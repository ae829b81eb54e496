package trust

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRootSelfVerifies(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	cert, err := IssueRoot(key, Scope{"app", PermissionReadWrite})
	require.NoError(t, err)

	assert.True(t, cert.IsRoot())
	assert.NoError(t, cert.VerifySignedBy(key.Public()))
}

func TestIssueRootRejectsBadScope(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = IssueRoot(key, Scope{"app/../etc", PermissionRead})
	assert.Error(t, err)
}

func TestIssueSubordinate(t *testing.T) {
	rootKey, err := GenerateKey()
	require.NoError(t, err)
	root, err := IssueRoot(rootKey, Scope{"app", PermissionReadWrite})
	require.NoError(t, err)

	subKey, err := GenerateKey()
	require.NoError(t, err)
	sub, err := Issue(root, rootKey, subKey.Public(), Scope{"app/region1", PermissionWrite})
	require.NoError(t, err)

	assert.False(t, sub.IsRoot())
	assert.Equal(t, root.ID, sub.IssuerID)
	assert.NoError(t, sub.VerifySignedBy(rootKey.Public()))
	assert.Error(t, sub.VerifySignedBy(subKey.Public()), "subject key did not sign the certificate")
}

func TestIssueRefusesEscalation(t *testing.T) {
	rootKey, err := GenerateKey()
	require.NoError(t, err)
	root, err := IssueRoot(rootKey, Scope{"app/region1", PermissionRead})
	require.NoError(t, err)

	subKey, err := GenerateKey()
	require.NoError(t, err)

	_, err = Issue(root, rootKey, subKey.Public(), Scope{"app", PermissionRead})
	assert.Error(t, err, "wider prefix than issuer")

	_, err = Issue(root, rootKey, subKey.Public(), Scope{"app/region1", PermissionWrite})
	assert.Error(t, err, "stronger permission than issuer")
}

func TestSignatureTamperDetected(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cert, err := IssueRoot(key, Scope{"app", PermissionRead})
	require.NoError(t, err)

	cert.Signature[0] ^= 0xff
	assert.Error(t, cert.VerifySignedBy(key.Public()))
}

func TestBodyTamperDetected(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cert, err := IssueRoot(key, Scope{"app", PermissionRead})
	require.NoError(t, err)

	cert.Scope.Permission = PermissionReadWrite
	assert.Error(t, cert.VerifySignedBy(key.Public()), "scope change invalidates the signature")
}

func TestVerifyMessage(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cert, err := IssueRoot(key, Scope{"app", PermissionRead})
	require.NoError(t, err)

	msg := []byte("nonce-and-session")
	sig := key.Sign(msg)

	assert.True(t, cert.VerifyMessage(msg, sig))
	assert.False(t, cert.VerifyMessage([]byte("other"), sig))

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, cert.VerifyMessage(msg, otherKey.Sign(msg)))
}

func TestSerializeRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cert, err := IssueRoot(key, Scope{"app", PermissionReadWrite})
	require.NoError(t, err)

	data, err := cert.Serialize()
	require.NoError(t, err)
	decoded, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, cert, decoded)
	assert.NoError(t, decoded.VerifySignedBy(key.Public()))
}

func TestKeySaveLoad(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, key.Save(path))

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), loaded.Public())

	msg := []byte("hello")
	assert.Equal(t, key.Sign(msg), loaded.Sign(msg))
}
