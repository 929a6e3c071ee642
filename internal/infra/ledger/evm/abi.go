package evm

// agriChainABI covers the AgriChain methods the gateway calls. getBatchDetails
// reports the lifecycle enum at output index 7.
const agriChainABI = `[
  {"type":"function","name":"createBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"batchId","type":"string"},{"name":"cropName","type":"string"},
             {"name":"cropVariety","type":"string"},{"name":"location","type":"string"},
             {"name":"harvestDate","type":"uint256"},{"name":"price","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"certifyBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"batchId","type":"uint256"},{"name":"passed","type":"bool"},
             {"name":"cropHealth","type":"string"},{"name":"expiry","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"purchaseBatch","stateMutability":"payable",
   "inputs":[{"name":"batchId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getBatchDetails","stateMutability":"view",
   "inputs":[{"name":"batchId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"batchIdString","type":"string"},
              {"name":"farmer","type":"address"},{"name":"cropName","type":"string"},
              {"name":"cropVariety","type":"string"},{"name":"location","type":"string"},
              {"name":"harvestDate","type":"uint256"},{"name":"status","type":"uint8"},
              {"name":"price","type":"uint256"}]},
  {"type":"function","name":"estimateGasForBatchCreation","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"estimateGasForCertification","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// batchTokenABI covers the ERC-721 ownership probe.
const batchTokenABI = `[
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`
