/*
Package mu provides helpers to marshalling to and unmarshalling from the TPM 1.2 wire format.

Go types are marshalled to and from the TPM 1.2 wire format according to the following rules:
  - BYTE, BOOL, UINT16, UINT32, UINT64 <-> the corresponding go primitive types, big endian.
  - Byte buffers with a 4-byte size field (eg, TPM_KEY12.encData) <-> []byte, or any type with an identical
    underlying type.
  - Byte buffers with a 2-byte size field (eg, TPM_PCR_SELECTION.pcrSelect) <-> []byte referenced from a struct
    field with the `tpm12:"size16"` tag.
  - Fixed size arrays (eg, TPM_DIGEST, TPM_NONCE) <-> go arrays, marshalled without a size field.
  - Sized structures (eg, a TPM_PCR_INFO embedded in a TPM_KEY12 with a 4-byte pcrInfoSize field) <-> struct referenced
    via a pointer field with the `tpm12:"sized"` tag. A zero sized structure is represented as a nil pointer.
  - Lists with a 4-byte count <-> slice of whichever go type corresponds to the element type.
  - Structures <-> struct.

Pointer types are automatically dereferenced. Nil pointers are dereferenced to their zero value during marshalling.

The marshalling code parses the "tpm12" tag on struct fields, the value of which is a comma separated list of options:
  - sized - the field is marshalled with a 4-byte size field. The field must be a pointer to a struct or a byte slice.
  - size16 - the field is marshalled with a 2-byte size field.
  - raw - the field is a slice that is marshalled without a size or count. It must be pre-allocated to the correct
    length by the caller during unmarshalling.

Types that need special handling can implement CustomMarshaller and CustomUnmarshaller.
*/
package mu
