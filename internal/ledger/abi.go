package ledger

// Contract method names.
const (
	MethodAdmin               = "admin"
	MethodRegisterFields      = "registerFields"
	MethodGetEntity           = "getEntity"
	MethodCreatePrescription  = "createPrescription"
	MethodGetPrescription     = "getPrescription"
	MethodFulfillPrescription = "fulfillPrescription"
	MethodPrescriptionCount   = "prescriptionCount"
)

// Contract event names.
const (
	EventEntityRegistered      = "EntityRegistered"
	EventPrescriptionCreated   = "PrescriptionCreated"
	EventPrescriptionFulfilled = "PrescriptionFulfilled"
)

// RegistryABI is the JSON ABI of the registry/prescription contract.
const RegistryABI = `[
  {"type":"function","name":"admin","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"registerFields","stateMutability":"nonpayable",
   "inputs":[
     {"name":"wallet","type":"address"},
     {"name":"offChainId","type":"string"},
     {"name":"name","type":"string"},
     {"name":"verificationDocRef","type":"string"},
     {"name":"role","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"getEntity","stateMutability":"view",
   "inputs":[{"name":"wallet","type":"address"}],
   "outputs":[
     {"name":"offChainId","type":"string"},
     {"name":"name","type":"string"},
     {"name":"verificationDocRef","type":"string"},
     {"name":"role","type":"uint8"},
     {"name":"registered","type":"bool"}]},
  {"type":"function","name":"createPrescription","stateMutability":"nonpayable",
   "inputs":[
     {"name":"patientId","type":"string"},
     {"name":"description","type":"string"},
     {"name":"dept","type":"uint8"},
     {"name":"doctor","type":"string"},
     {"name":"medicines","type":"string[]"},
     {"name":"documents","type":"string[]"},
     {"name":"allergies","type":"string[]"}],
   "outputs":[{"name":"prescriptionId","type":"uint256"}]},
  {"type":"function","name":"getPrescription","stateMutability":"view",
   "inputs":[{"name":"prescriptionId","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"patientId","type":"string"},
     {"name":"timestamp","type":"uint256"},
     {"name":"description","type":"string"},
     {"name":"dept","type":"uint8"},
     {"name":"medicines","type":"string[]"},
     {"name":"documents","type":"string[]"},
     {"name":"allergies","type":"string[]"},
     {"name":"isFulfilled","type":"bool"}]},
  {"type":"function","name":"fulfillPrescription","stateMutability":"nonpayable",
   "inputs":[{"name":"prescriptionId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"prescriptionCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"EntityRegistered","anonymous":false,
   "inputs":[
     {"name":"wallet","type":"address","indexed":true},
     {"name":"offChainId","type":"string","indexed":false},
     {"name":"role","type":"uint8","indexed":false}]},
  {"type":"event","name":"PrescriptionCreated","anonymous":false,
   "inputs":[
     {"name":"prescriptionId","type":"uint256","indexed":true},
     {"name":"patientId","type":"string","indexed":false},
     {"name":"issuer","type":"address","indexed":true}]},
  {"type":"event","name":"PrescriptionFulfilled","anonymous":false,
   "inputs":[
     {"name":"prescriptionId","type":"uint256","indexed":true},
     {"name":"pharmacy","type":"address","indexed":true}]}
]`
