package ledger

// giftLockABI is the interface of the escrow contract.
const giftLockABI = `[
  {"type":"function","name":"lockFunds","stateMutability":"payable",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"unlockTime","type":"uint256"}],
   "outputs":[{"name":"giftId","type":"uint256"}]},
  {"type":"function","name":"batchLockFunds","stateMutability":"payable",
   "inputs":[{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"recipients","type":"address[]"},{"name":"unlockTimes","type":"uint256[]"}],
   "outputs":[{"name":"giftIds","type":"uint256[]"}]},
  {"type":"function","name":"releaseFunds","stateMutability":"nonpayable",
   "inputs":[{"name":"giftId","type":"uint256"},{"name":"recipient","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"transferFunds","stateMutability":"payable",
   "inputs":[{"name":"fromWallet","type":"address"},{"name":"toAddress","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"sendToCharity","stateMutability":"payable",
   "inputs":[{"name":"fromWallet","type":"address"},{"name":"reason","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"checkUpkeep","stateMutability":"view",
   "inputs":[{"name":"checkData","type":"bytes"}],
   "outputs":[{"name":"upkeepNeeded","type":"bool"},{"name":"performData","type":"bytes"}]},
  {"type":"function","name":"performUpkeep","stateMutability":"nonpayable",
   "inputs":[{"name":"performData","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"findLock","stateMutability":"view",
   "inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint256"}],
   "outputs":[{"name":"found","type":"bool"},{"name":"giftId","type":"uint256"}]},
  {"type":"event","name":"FundsLocked","anonymous":false,
   "inputs":[{"name":"giftId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"unlockTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"GiftClaimed","anonymous":false,
   "inputs":[{"name":"giftId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true}]},
  {"type":"event","name":"FundsTransferred","anonymous":false,
   "inputs":[{"name":"giftId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"FundsSentToCharity","anonymous":false,
   "inputs":[{"name":"fromWallet","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"reason","type":"string","indexed":false}]}
]`
